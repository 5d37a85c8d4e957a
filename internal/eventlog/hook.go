package eventlog

// TrimHook observes retention deletes: one call per committed trim batch.
type TrimHook interface {
	OnTrim(stream string, minSeq, maxSeq uint64, count int)
}

type noopHook struct{}

func (noopHook) OnTrim(string, uint64, uint64, int) {}
