package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "broker":
		return brokerTemplate, nil
	case "client":
		return clientTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const brokerTemplate = `listen_addr = ":4100"
admin_addr = ":4101"
handshake_timeout = "5s"
write_timeout = "5s"
max_reconnection_timeout = "10m"
recovery_buffer_size = 256
max_message_size = 8388608

[tls]
mode = "development"
enabled = false

[auth]
allow_anonymous = true

[auth.users]
ops = "change-me"
`

const clientTemplate = `url = "tcp://localhost:4100"
principal = "ops"
password = "change-me"
reconnection_timeout = "60s"
recovery_buffer_size = 128
maximum_queue_size = 1000
connection_timeout = "2s"
request_timeout = "30s"

[properties]
role = "operator"
`
