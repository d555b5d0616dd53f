package logmux

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oriys/nimbus-runtime/internal/domain"
	"github.com/oriys/nimbus-runtime/internal/metrics"
)

func record(producer, seq int) domain.LogRecord {
	return domain.LogRecord{
		DeploymentID: []byte{byte(producer)},
		Level:        "INFO",
		Message:      fmt.Sprintf("%d", seq),
	}
}

func TestPerProducerOrderUnderConcurrency(t *testing.T) {
	const producers, perProducer = 8, 500
	tx, rx := New(64, nil)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				require.NoError(t, tx.Send(context.Background(), record(p, i)))
			}
		}(p)
	}

	next := make(map[byte]int)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for n := 0; n < producers*perProducer; n++ {
		rec, err := rx.Recv(ctx)
		require.NoError(t, err)
		id := rec.DeploymentID[0]
		assert.Equal(t, fmt.Sprintf("%d", next[id]), rec.Message, "producer %d out of order", id)
		next[id]++
	}
	wg.Wait()

	for p := 0; p < producers; p++ {
		assert.Equal(t, perProducer, next[byte(p)])
	}
	assert.Equal(t, 0, tx.Len())
}

func TestSendBlocksWhenFull(t *testing.T) {
	tx, rx := New(2, nil)
	ctx := context.Background()
	require.NoError(t, tx.Send(ctx, record(0, 0)))
	require.NoError(t, tx.Send(ctx, record(0, 1)))

	sent := make(chan error, 1)
	go func() { sent <- tx.Send(ctx, record(0, 2)) }()

	select {
	case err := <-sent:
		t.Fatalf("Send returned %v while queue was full", err)
	case <-time.After(30 * time.Millisecond):
	}

	<-rx.C()
	require.NoError(t, <-sent)
	assert.Equal(t, 2, tx.Len())
}

func TestSendRespectsContext(t *testing.T) {
	tx, _ := New(1, nil)
	require.NoError(t, tx.Send(context.Background(), record(0, 0)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := tx.Send(ctx, record(0, 1))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDetachedReceiverDropsRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics("test", reg)
	tx, rx := New(1, m)
	ctx := context.Background()
	require.NoError(t, tx.Send(ctx, record(0, 0)))

	blocked := make(chan error, 1)
	go func() { blocked <- tx.Send(ctx, record(0, 1)) }()
	time.Sleep(20 * time.Millisecond)

	rx.Close()
	rx.Close()
	assert.True(t, errors.Is(<-blocked, ErrDetached))
	assert.ErrorIs(t, tx.Send(ctx, record(0, 2)), ErrDetached)

	_, err := rx.Recv(ctx)
	assert.ErrorIs(t, err, ErrDetached)

	select {
	case <-rx.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
	assert.Equal(t, float64(2), testutil.ToFloat64(m.LogRecordsDropped.WithLabelValues("detached")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.LogRecordsForwarded))
}

func TestDefaultCapacity(t *testing.T) {
	tx, _ := New(0, nil)
	assert.Equal(t, DefaultCapacity, cap(tx.q.ch))
}
