package trigger

import "github.com/rs/zerolog"

// LogSink is the default sink for serve mode: it reports transitions to
// the log for whatever host-side automation tails it.
type LogSink struct {
	Log zerolog.Logger
}

func (s LogSink) SetActive(name string, active bool) {
	s.Log.Info().Str("trigger", name).Bool("active", active).Msg("sensor state")
}

// MultiSink fans a notification out to several sinks.
type MultiSink []Sink

func (s MultiSink) SetActive(name string, active bool) {
	for _, sink := range s {
		sink.SetActive(name, active)
	}
}
