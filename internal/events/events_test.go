package events

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestPublishWithoutURLIsNoop(t *testing.T) {
	p := New("", "bonproxy.events", zerolog.Nop())
	p.Connect()
	// Must not panic and must not attempt a connection.
	p.Publish(KindSessionOpened, map[string]string{"session": "1"})
	p.Close()
}

func TestPublishWithUnreachableURLDegradesSilently(t *testing.T) {
	p := New("nats://127.0.0.1:1", "bonproxy.events", zerolog.Nop())
	p.Connect()
	assert.NotPanics(t, func() {
		p.Publish(KindQualityUpdate, map[string]float64{"score": 0.9})
	})
	p.Close()
}

func TestConnectIsIdempotent(t *testing.T) {
	p := New("", "bonproxy.events", zerolog.Nop())
	p.Connect()
	p.Connect()
	assert.Nil(t, p.conn)
}
