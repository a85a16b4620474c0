package heya

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseURL(t *testing.T) {
	require := require.New(t)

	hp, err := parseURL("heya://push.example.com:9001")
	require.Nil(err)
	require.Equal(hostPort{"push.example.com", 9001}, hp)

	hp, err = parseURL("heya://push.example.com")
	require.Nil(err)
	require.Equal(hostPort{"push.example.com", DefaultPort}, hp)

	_, err = parseURL("http://push.example.com")
	require.NotNil(err)
}
