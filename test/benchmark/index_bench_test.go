package benchmark

import (
	"context"
	"math/rand"
	"testing"

	"github.com/hyperjump/ivfsync/internal/embedding"
	"github.com/hyperjump/ivfsync/internal/models"
	"github.com/hyperjump/ivfsync/internal/vector"
)

const benchDim = 64

func vectors(n int) [][]float32 {
	rng := rand.New(rand.NewSource(42))
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, benchDim)
		for j := range v {
			v[j] = float32(rng.NormFloat64())
		}
		out[i] = v
	}
	return out
}

func trained(b *testing.B, sample [][]float32) *vector.Index {
	b.Helper()
	idx, err := vector.New(benchDim, vector.DefaultParams())
	if err != nil {
		b.Fatal(err)
	}
	idx, err = idx.Train(sample)
	if err != nil {
		b.Fatal(err)
	}
	return idx
}

func BenchmarkIndexTrain(b *testing.B) {
	sample := vectors(2000)
	idx, _ := vector.New(benchDim, vector.DefaultParams())
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := idx.Train(sample); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkIndexAdd(b *testing.B) {
	sample := vectors(2000)
	idx := trained(b, sample)
	batch := sample[:100]
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := idx.Clone().Add(batch); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkIndexSearch(b *testing.B) {
	sample := vectors(5000)
	idx := trained(b, sample[:2000])
	if _, err := idx.Add(sample); err != nil {
		b.Fatal(err)
	}
	query := sample[17]
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := idx.Search(query, 10); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkMockEmbedder_Embed(b *testing.B) {
	e := embedding.NewMockEmbedder(384)
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = e.Embed(ctx, "benchmark query text for embedding")
	}
}

func BenchmarkFormatRecord(b *testing.B) {
	r := &models.Record{
		ID:    1,
		Title: "Tomato soup",
		Body:  "Simmer tomatoes with garlic and basil, then blend until smooth.",
		Fields: map[string]string{
			"cuisine": "Italian",
			"course":  "Starter",
			"time":    "30 minutes",
		},
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = embedding.FormatRecord(r)
	}
}
