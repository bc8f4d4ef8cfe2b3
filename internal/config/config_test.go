package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	return &Config{
		Addr:               ":1192",
		MaxTuners:          16,
		RingBufferCapacity: 1024,
		ProtocolVersion:    1,
		WaitStreamDefault:  1,
		CPURejectThreshold: 90,
		LogLevel:           "info",
		LogFormat:          "json",
	}
}

func TestValidateAcceptsValidConfig(t *testing.T) {
	c := validConfig()
	assert.NoError(t, c.Validate())
}

func TestValidateRejectsEmptyAddr(t *testing.T) {
	c := validConfig()
	c.Addr = ""
	assert.Error(t, c.Validate())
}

func TestValidateRejectsZeroMaxTuners(t *testing.T) {
	c := validConfig()
	c.MaxTuners = 0
	assert.Error(t, c.Validate())
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	c := validConfig()
	c.LogLevel = "verbose"
	assert.Error(t, c.Validate())
}

func TestValidateRejectsAuthRequiredWithoutSecret(t *testing.T) {
	c := validConfig()
	c.AuthRequired = true
	assert.Error(t, c.Validate())

	c.JWTSecret = "shh"
	assert.NoError(t, c.Validate())
}

func TestValidateRejectsOutOfRangeCPUThreshold(t *testing.T) {
	c := validConfig()
	c.CPURejectThreshold = 101
	assert.Error(t, c.Validate())
}
