package objectstore_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"ferry/internal/objectstore"
)

func TestBuildKeyLayout(t *testing.T) {
	// 23:30 in UTC-5 is already the next day in UTC.
	uploaded := time.Date(2026, 3, 9, 23, 30, 0, 0, time.FixedZone("EST", -5*3600))
	key := objectstore.BuildKey("veh-42", uploaded, "can", "/var/log/can/can.log.1")
	assert.Equal(t, "veh-42/2026-03-10/can/can.log.1", key)
}

func TestBuildKeyNormalizesUnicode(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	decomposed := objectstore.BuildKey("v", now, "sys", "cafe\u0301.log")
	composed := objectstore.BuildKey("v", now, "sys", "caf\u00e9.log")
	assert.Equal(t, composed, decomposed)
}

func TestBuildKeySanitizesSegments(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "a_b/2026-01-01/_/x.log", objectstore.BuildKey("a/b", now, "..", "x.log"))
}

func TestCollisionKey(t *testing.T) {
	hash := "0123456789abcdef0123456789abcdef"
	tests := []struct {
		key  string
		want string
	}{
		{"v/2026-01-01/can/can.log.1", "v/2026-01-01/can/can-0123456789ab.log.1"},
		{"v/2026-01-01/can/syslog", "v/2026-01-01/can/syslog-0123456789ab"},
		{"v/2026-01-01/can/.hidden.log", "v/2026-01-01/can/.hidden-0123456789ab.log"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, objectstore.CollisionKey(tc.key, hash), tc.key)
	}
}
