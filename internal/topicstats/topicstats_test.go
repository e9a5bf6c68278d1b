// Copyright Project Contour Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package topicstats_test

import (
	"sync"
	"testing"

	"github.com/projectcontour/cachegrpc/internal/metrics"
	"github.com/projectcontour/cachegrpc/internal/topicstats"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestChannelIsCreatedOnceAndReused(t *testing.T) {
	r := topicstats.NewRegistry(nil)
	a := r.Channel("orders")
	b := r.Channel("orders")
	assert.Same(t, a, b)
}

func TestGroupIsCreatedOnceAndReused(t *testing.T) {
	r := topicstats.NewRegistry(nil)
	c := r.Channel("orders")
	g1 := c.Group("billing")
	g2 := c.Group("billing")
	assert.Same(t, g1, g2)
}

func TestRecordPublishAccumulates(t *testing.T) {
	r := topicstats.NewRegistry(nil)
	r.RecordPublish("orders", 10)
	r.RecordPublish("orders", 5)

	c := r.Channel("orders")
	assert.Equal(t, uint64(2), c.PublishedTotal.Load())
	assert.Equal(t, uint64(15), c.BytesPublished.Load())
}

func TestRecordPublishExportsPrometheusSeries(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)
	r := topicstats.NewRegistry(m)

	r.RecordPublish("orders", 10)
	r.RecordPublish("orders", 5)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.TopicPublished.WithLabelValues("orders")))
	assert.Equal(t, float64(15), testutil.ToFloat64(m.TopicBytes.WithLabelValues("orders")))
}

func TestConcurrentChannelCreationIsSafe(t *testing.T) {
	r := topicstats.NewRegistry(nil)
	var wg sync.WaitGroup
	results := make([]*topicstats.ChannelStats, 50)
	for i := 0; i < 50; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = r.Channel("shared")
		}()
	}
	wg.Wait()
	for _, c := range results {
		assert.Same(t, results[0], c)
	}
}
