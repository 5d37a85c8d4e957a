package eventlog

import "context"

// WaitForAppend blocks until the stream holds a sequence greater than after,
// or ctx ends.
func (l *Log) WaitForAppend(ctx context.Context, after uint64) error {
	for {
		l.mu.Lock()
		if l.lastSeq > after {
			l.mu.Unlock()
			return nil
		}
		ch := l.notifyCh
		l.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
