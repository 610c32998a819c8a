package config

import (
	"fmt"
	"os"
)

// WriteTemplate writes an annotated redcolld config to path.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(Template), 0o600)
}

// Template mirrors DefaultConfig with redis enabled on localhost.
const Template = `service = "redcoll"

[redis]
# leave addr empty to run on the in-process store
addr = "localhost:6379"
db = 0
password = ""
dial_timeout = "5s"

[remote]
call_timeout = "10s"
worker_concurrency = 8
pop_wait = "1s"

[retain]
initial_backoff = "1ms"
max_backoff = "50ms"
multiplier = 2.0
jitter = true

[admin]
addr = ":9400"
node_id = "redcolld"
cors_origins = ["http://localhost:3000"]
# bearer token required on POST routes; empty leaves them open
token = ""
`
