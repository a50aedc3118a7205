package drivers

import (
	// Registers "pgx" for PostgreSQL URLs such as postgresql+psycopg2://.
	_ "github.com/jackc/pgx/v5/stdlib"
)
