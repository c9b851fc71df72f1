package scenario

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAllScenariosPass(t *testing.T) {
	for _, s := range All() {
		s := s
		t.Run(s.FullName(), func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			require.NoError(t, s.Run(ctx))
		})
	}
}

func TestSelectFiltersBySuiteAndName(t *testing.T) {
	all := All()
	require.NotEmpty(t, all)

	messagingOnly := Select(
		all, regexp.MustCompile("^messaging$"), nil, nil, nil,
	)
	require.NotEmpty(t, messagingOnly)
	for _, s := range messagingOnly {
		require.Equal(t, "messaging", s.Suite)
	}
	require.Less(t, len(messagingOnly), len(all))

	excludeUpgrade := Select(
		all, nil, nil, nil, regexp.MustCompile("upgrade"),
	)
	for _, s := range excludeUpgrade {
		require.NotRegexp(t, "upgrade", s.Name)
	}
}
