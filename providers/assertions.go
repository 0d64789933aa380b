package providers

import (
	"github.com/gridwatch/realtime/src/auth"
	"github.com/gridwatch/realtime/src/bridge"
	"github.com/gridwatch/realtime/src/hub"
	"github.com/gridwatch/realtime/src/router"
	"github.com/gridwatch/realtime/src/snapshot"
	"github.com/gridwatch/realtime/src/types"
)

// Compile-time interface assertions.
var (
	_ router.Directory    = (*hub.Registry)(nil)
	_ hub.EventBridge     = (*bridge.RedisBridge)(nil)
	_ bridge.IngestTarget = (*hub.Hub)(nil)
	_ snapshot.Store      = (*snapshot.RedisStore)(nil)
	_ snapshot.Store      = (*snapshot.MemoryStore)(nil)
	_ auth.Resolver       = (*auth.RedisResolver)(nil)
	_ auth.Resolver       = (*auth.StaticResolver)(nil)
	_ types.Conn          = (*fasthttpConn)(nil)
	_ types.Pinger        = (*fasthttpConn)(nil)
)
