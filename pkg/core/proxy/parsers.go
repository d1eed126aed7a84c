package proxy

// register the protocol decoders
import (
	_ "github.com/dbtap/dbtap/pkg/core/proxy/decoders/mongo"
	_ "github.com/dbtap/dbtap/pkg/core/proxy/decoders/mysql"
	_ "github.com/dbtap/dbtap/pkg/core/proxy/decoders/postgres"
	_ "github.com/dbtap/dbtap/pkg/core/proxy/decoders/redis"
	_ "github.com/dbtap/dbtap/pkg/core/proxy/decoders/sqlserver"
)
