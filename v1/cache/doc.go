// Package cache provides the typed key/value caches that hold derived library
// views. InMemoryCache and RistrettoCache live in process; RedisCache is
// shared between nodes. ResilientCache turns backend failures into misses so a
// broken cache never fails a request.
package cache
