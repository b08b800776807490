package util

import (
	"go.uber.org/zap"
)

var (
	logger    = zap.NewNop().Sugar()
	verbosity uint64 = 1
)

// InitLogger replaces the no-op default with a real zap logger. The
// engine packages log only through DPrintf, so leaving this uncalled
// (as the tests do) keeps them silent.
func InitLogger(debug bool) error {
	cfg := zap.NewDevelopmentConfig()
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	l, err := cfg.Build()
	if err != nil {
		return err
	}
	logger = l.Sugar()
	if debug {
		verbosity = 10
	}
	return nil
}

func DPrintf(level uint64, format string, a ...interface{}) {
	if level <= verbosity {
		logger.Debugf(format, a...)
	}
}

func Sync() error {
	return logger.Sync()
}

func RoundUp(n uint32, sz uint32) uint32 {
	return (n + sz - 1) / sz
}

func Min(n uint32, m uint32) uint32 {
	if n < m {
		return n
	}
	return m
}

func CloneByteSlice(s []byte) []byte {
	s2 := make([]byte, len(s))
	copy(s2, s)
	return s2
}
