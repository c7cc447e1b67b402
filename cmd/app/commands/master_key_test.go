package commands

import (
	"bytes"
	"encoding/base64"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunCreateLocalMasterKey(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		var out bytes.Buffer
		err := RunCreateLocalMasterKey(&out)
		require.NoError(t, err)

		match := regexp.MustCompile(`KMS_LOCAL_MASTER_KEY="([^"]+)"`).FindStringSubmatch(out.String())
		require.Len(t, match, 2)

		key, err := base64.StdEncoding.DecodeString(match[1])
		require.NoError(t, err)
		require.Len(t, key, 96)
	})

	t.Run("keys-differ", func(t *testing.T) {
		var first, second bytes.Buffer
		require.NoError(t, RunCreateLocalMasterKey(&first))
		require.NoError(t, RunCreateLocalMasterKey(&second))
		require.NotEqual(t, first.String(), second.String())
	})
}
