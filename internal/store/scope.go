package store

import (
	"context"

	"github.com/kvexplorer/kvexplorer/internal/credentials"
	"github.com/sirupsen/logrus"
)

// WithConn opens a connection for cred, runs fn and releases the connection
// on every exit path, panics included. The panic is re-raised after release.
func WithConn(ctx context.Context, s Store, cred credentials.Credential, fn func(Conn) error) (err error) {
	conn, err := s.Open(ctx, cred)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			logrus.WithFields(logrus.Fields{
				"backend":     s.Backend(),
				"database_id": cred.DatabaseID,
			}).WithError(cerr).Warn("Failed to release store connection")
		}
	}()
	return fn(conn)
}
