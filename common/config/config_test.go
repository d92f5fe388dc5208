package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDatabaseConfigLoadFromEnv(t *testing.T) {
	t.Setenv("LISDB_HOST", "db.lab.local")
	t.Setenv("LISDB_PORT", "6543")
	t.Setenv("LISDB_MAX_CONNS", "not-a-number")

	cfg := DatabaseConfig{Host: "localhost", Port: 5432, MaxConns: 10, SSLMode: "disable"}
	cfg.LoadFromEnv("LISDB")

	assert.Equal(t, "db.lab.local", cfg.Host)
	assert.Equal(t, 6543, cfg.Port)
	assert.Equal(t, 10, cfg.MaxConns)
	assert.Contains(t, cfg.GetDSN(), "host=db.lab.local port=6543")
}

func TestMQTTConfigLoadFromEnvQoS(t *testing.T) {
	t.Setenv("LISMQ_QOS", "2")
	cfg := MQTTConfig{QoS: 1}
	cfg.LoadFromEnv("LISMQ")
	assert.Equal(t, byte(2), cfg.QoS)

	t.Setenv("LISMQ_QOS", "7")
	cfg = MQTTConfig{QoS: 1}
	cfg.LoadFromEnv("LISMQ")
	assert.Equal(t, byte(1), cfg.QoS)
}
