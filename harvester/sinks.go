package harvester

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/harvester/harvester/internal/sink"
)

// BuildSinks opens every configured sink behind a fan-out router and the
// configured write throttle. Sinks opened before a failure are closed.
func BuildSinks(ctx context.Context, cfg *Config, logger *slog.Logger) (Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var sinks []sink.Sink
	fail := func(err error) (Sink, error) {
		for _, s := range sinks {
			s.Close()
		}
		return nil, err
	}
	for i, sc := range cfg.Sinks {
		var s sink.Sink
		switch sc.Type {
		case "stdout":
			s = sink.NewStdout(nil)
		case "dir":
			opts := []sink.DirOption{sink.WithShards(cfg.Export.ShardMaxChars, cfg.Export.ShardOverlapTurns)}
			if sc.Markdown {
				opts = append(opts, sink.WithMarkdown())
			}
			d, err := sink.NewDir(sc.Path, opts...)
			if err != nil {
				return fail(fmt.Errorf("harvester: sink %d: %w", i, err))
			}
			s = d
		case "webhook":
			s = sink.NewWebhook(sc.URL, sink.WithWebhookRetries(sc.Retries), sink.WithWebhookLogger(logger))
		case "mongo":
			m, err := sink.NewMongo(ctx, sc.URL, sc.Database, sc.Collection)
			if err != nil {
				return fail(fmt.Errorf("harvester: sink %d: %w", i, err))
			}
			s = m
		default:
			return fail(fmt.Errorf("harvester: sink %d: unknown type %q", i, sc.Type))
		}
		sinks = append(sinks, s)
		logger.Info("harvester: sink ready", "type", sc.Type)
	}
	return sink.NewThrottle(sink.NewRouter(logger, sinks...), cfg.Throttle), nil
}
