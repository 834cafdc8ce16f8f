package types

import "time"

// Stage identifies one ordered step of a generation run.
type Stage string

const (
	StageEnhance Stage = "enhance"
	StageImage   Stage = "image"
	StageModel   Stage = "model"
	StagePersist Stage = "persist"
)

// GenerationStatus represents the lifecycle state of a generation run.
// Progression is strictly forward; failed is reachable from any
// non-terminal state.
type GenerationStatus string

const (
	StatusPending   GenerationStatus = "pending"
	StatusEnhancing GenerationStatus = "enhancing"
	StatusImaging   GenerationStatus = "imaging"
	StatusModeling  GenerationStatus = "modeling"
	StatusCompleted GenerationStatus = "completed"
	StatusFailed    GenerationStatus = "failed"
)

// IsTerminal returns true if the status is a terminal state.
func (s GenerationStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// statusRank orders the forward progression of statuses.
var statusRank = map[GenerationStatus]int{
	StatusPending:   0,
	StatusEnhancing: 1,
	StatusImaging:   2,
	StatusModeling:  3,
	StatusCompleted: 4,
	StatusFailed:    5,
}

// CanTransition reports whether moving from s to next respects the
// monotonic status progression. Failed is reachable from any
// non-terminal state; terminal states accept no further transitions.
func (s GenerationStatus) CanTransition(next GenerationStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StatusFailed {
		return true
	}
	cur, ok := statusRank[s]
	if !ok {
		return false
	}
	nxt, ok := statusRank[next]
	if !ok {
		return false
	}
	return nxt == cur+1
}

// Metadata keys recorded by the pipeline. The metadata bag is an open
// key/value map; these are the keys the orchestrator itself writes.
const (
	MetaStyle           = "style"
	MetaResolution      = "resolution"
	MetaNegativePrompt  = "negative_prompt"
	MetaSteps           = "steps"
	MetaModelFormat     = "model_format"
	MetaEnhanceError    = "enhance_error"
	MetaEnhanceDuration = "enhance_duration_ms"
	MetaImageDuration   = "image_duration_ms"
	MetaModelDuration   = "model_duration_ms"
	MetaImageAttempts   = "image_attempts"
	MetaModelAttempts   = "model_attempts"
	MetaStorageWarning  = "storage_warning"
)

// ErrorInfo is the persisted failure record of a generation: which stage
// failed and why. Populated only when Status is failed, except for the
// degraded-completion storage warning which lives in Metadata instead.
type ErrorInfo struct {
	Stage   Stage     `json:"stage"`
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Generation is one end-to-end pipeline run transforming a prompt into a
// 3D asset reference.
//
// EnhancedPrompt, ImageRef and ModelRef are each written exactly once, in
// stage order, and never overwritten. Once the status is terminal no
// further field mutation is permitted.
type Generation struct {
	// ID is the unique identifier, assigned at creation, immutable.
	ID string `json:"id"`

	// SessionID is the owning session.
	SessionID string `json:"session_id"`

	// Prompt is the original user text, immutable.
	Prompt string `json:"prompt"`

	// EnhancedPrompt is set once by the enhance stage; empty until then.
	EnhancedPrompt string `json:"enhanced_prompt,omitempty"`

	// ImageRef is an opaque reference to the generated image.
	ImageRef string `json:"image_ref,omitempty"`

	// ModelRef is an opaque reference to the generated 3D asset.
	ModelRef string `json:"model_ref,omitempty"`

	// Status is the current lifecycle state.
	Status GenerationStatus `json:"status"`

	// Error is populated only when Status is failed.
	Error *ErrorInfo `json:"error,omitempty"`

	// Metadata is an open key/value bag (style, resolution, timings,
	// retry counts). Extensible without schema change.
	Metadata map[string]string `json:"metadata,omitempty"`

	// CreatedAt is when the run was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is bumped on every state transition.
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the generation. Status snapshots handed to
// callers are clones so concurrent pipeline mutation cannot leak through.
func (g *Generation) Clone() *Generation {
	if g == nil {
		return nil
	}
	cp := *g
	if g.Error != nil {
		e := *g.Error
		cp.Error = &e
	}
	if g.Metadata != nil {
		cp.Metadata = make(map[string]string, len(g.Metadata))
		for k, v := range g.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// SetMeta stores a metadata entry, allocating the bag on first use.
func (g *Generation) SetMeta(key, value string) {
	if g.Metadata == nil {
		g.Metadata = make(map[string]string)
	}
	g.Metadata[key] = value
}

// Session is a conversational context bucket grouping generations.
// Sessions are created on first contact and never deleted by the core.
type Session struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// ContextPair is one prior (prompt, enhanced prompt) pair fed back into
// prompt enhancement.
type ContextPair struct {
	Prompt         string `json:"prompt"`
	EnhancedPrompt string `json:"enhanced_prompt"`
}

// ContextBundle is the bounded ordered history handed to the enhancer,
// most relevant first.
type ContextBundle struct {
	Pairs []ContextPair `json:"pairs"`
}

// Empty reports whether the bundle carries no history.
func (b *ContextBundle) Empty() bool {
	return b == nil || len(b.Pairs) == 0
}
