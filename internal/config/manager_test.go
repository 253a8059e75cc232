package config

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestManagerSwapAndCurrent(t *testing.T) {
	first := Default()
	m := NewManager(first)
	assert.Same(t, first, m.Current())

	second := Default()
	second.Server.Port = 9002
	m.Swap(second)
	assert.Same(t, second, m.Current())

	m.Swap(nil)
	assert.Same(t, second, m.Current())
}

func TestManagerConcurrentReadersAndSwaps(t *testing.T) {
	m := NewManager(Default())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				next := Default()
				next.Server.Port = 9000 + j
				next.Server.SiteURL = "https://broker.test"
				m.Swap(next)
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				cfg := m.Current()
				_ = cfg.Server.SiteURL
				_ = cfg.Security.WhitelistEnabled
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 9199, m.Current().Server.Port)
}
