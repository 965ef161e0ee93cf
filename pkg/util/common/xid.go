package common

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// GenerateSessionID joins the coordinator addressing and a sequence number,
// e.g. "10.0.0.3:8091:394020528263872512".
func GenerateSessionID(addressing string, seq int64) string {
	return fmt.Sprintf("%s:%d", addressing, seq)
}

// ParseSessionID splits a session id built by GenerateSessionID.
func ParseSessionID(sessionID string) (string, int64, error) {
	idx := strings.LastIndex(sessionID, ":")
	if idx <= 0 || idx == len(sessionID)-1 {
		return "", 0, errors.Errorf("malformed session id %q", sessionID)
	}
	seq, err := strconv.ParseInt(sessionID[idx+1:], 10, 64)
	if err != nil {
		return "", 0, errors.Wrapf(err, "malformed session id %q", sessionID)
	}
	return sessionID[:idx], seq, nil
}
