// Package cache provides the process-local tier of the response cache. It is
// the fastest lookup path and is owned by exactly one process; its contents
// are lost on restart.
package cache

// Local defines the process-local cache used by the Cache facade.
type Local interface {
	Get(key string) (string, bool)
	Set(key, value string)
	Delete(key string)
	Len() int
	Clear()
}
