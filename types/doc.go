// Package types defines the core data model and error taxonomy shared by
// all pipeline components: generations, sessions, context bundles, stages,
// and the structured Error type.
package types
