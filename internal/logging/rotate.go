package logging

import (
	"github.com/jrick/logrotate/rotator"
	"go.uber.org/zap/zapcore"
)

// newRotatingWriter wraps jrick/logrotate's rotator (the same log-rotation
// library btcd itself uses) as a zapcore.WriteSyncer, so file-based signer
// logs get the same size-based rotation behavior as the Bitcoin node the
// signer talks to.
func newRotatingWriter(path string) (zapcore.WriteSyncer, error) {
	r, err := rotator.New(path, 10*1024, false, 10)
	if err != nil {
		return nil, err
	}
	return rotatorSyncer{r}, nil
}

type rotatorSyncer struct {
	r *rotator.Rotator
}

func (w rotatorSyncer) Write(p []byte) (int, error) {
	return w.r.Write(p)
}

func (w rotatorSyncer) Sync() error {
	return nil
}
