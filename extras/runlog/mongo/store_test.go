package mongo_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	runlogmongo "github.com/codemode/daemon/extras/runlog/mongo"
)

func TestNewStore_RequiresClient(t *testing.T) {
	_, err := runlogmongo.NewStore(runlogmongo.Options{Database: "codemode"})
	assert.ErrorContains(t, err, "client")
}
