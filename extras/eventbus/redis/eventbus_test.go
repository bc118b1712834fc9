package redis_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	eventbusredis "github.com/codemode/daemon/extras/eventbus/redis"
)

func TestNewSink_RequiresClient(t *testing.T) {
	_, err := eventbusredis.NewSink(eventbusredis.Options{})
	assert.Error(t, err)
}
