package store

import (
	"errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pborman/uuid"
)

// ErrIDCollision is returned when fresh ids keep colliding, which means the
// random source is broken.
var ErrIDCollision = errors.New("store: message id collision")

// NewID returns a 32 char hex id.
func NewID() string {
	return strings.ReplaceAll(uuid.New(), "-", "")
}

func NowMillis() int64 {
	return time.Now().UnixNano() / 1e6
}

func IsDupKeyError(err error) bool {
	var val *mysql.MySQLError
	if errors.As(err, &val) {
		return val.Number == 1062
	}
	return false
}
