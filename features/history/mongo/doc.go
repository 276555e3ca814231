// Package mongo provides the MongoDB-backed conversation history store. Build
// the low-level client via features/history/mongo/clients/mongo and pass it to
// NewStore; the generation controller then loads and checkpoints turns through
// the history.Store interface without knowing about documents or indexes.
package mongo
