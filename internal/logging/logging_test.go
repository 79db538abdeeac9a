package logging

import (
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestReplaceWhileLogging(t *testing.T) {
	var l Logger
	if l.Get() != nop {
		t.Fatal("zero value is not the no-op logger")
	}
	core, logs := observer.New(zap.DebugLevel)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				l.Get().Debug("tick")
			}
		}()
	}
	l.Set(zap.New(core))
	wg.Wait()
	l.Get().Info("done")
	if logs.FilterMessage("done").Len() != 1 {
		t.Fatalf("entries %v", logs.All())
	}
	l.Set(nil)
	if l.Get() != nop {
		t.Fatal("nil does not restore the no-op logger")
	}
}
