package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkflowRunValidate(t *testing.T) {
	valid := WorkflowRun{
		SearchTerm:  "ar condicionado",
		Geolocation: GeoPoint{Latitude: -23.541128, Longitude: -46.641581},
		MaxPages:    1,
		MaxParallel: 2,
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(r *WorkflowRun)
	}{
		{"empty term", func(r *WorkflowRun) { r.SearchTerm = "" }},
		{"zero pages", func(r *WorkflowRun) { r.MaxPages = 0 }},
		{"zero parallel", func(r *WorkflowRun) { r.MaxParallel = 0 }},
		{"bad latitude", func(r *WorkflowRun) { r.Geolocation.Latitude = 91 }},
		{"bad longitude", func(r *WorkflowRun) { r.Geolocation.Longitude = -181 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := valid
			tt.mutate(&run)
			assert.Error(t, run.Validate())
		})
	}
}

func TestNewDocumentMetadata(t *testing.T) {
	record := &ProductRecord{Title: "Ar", Details: map[string]string{"ASIN": "B0TEST1234"}}
	at := time.Date(2024, 5, 18, 12, 30, 0, 0, time.UTC)

	meta := NewDocumentMetadata("/dp/B0TEST1234", record, GeoPoint{Latitude: -23.5, Longitude: -46.6}, at)

	require.NotNil(t, meta.ASIN)
	assert.Equal(t, "B0TEST1234", *meta.ASIN)
	assert.Equal(t, "2024-05-18T12:30:00+0000", meta.ScrapedAt)
	assert.Equal(t, [2]float64{-23.5, -46.6}, meta.Geolocation)
	assert.Equal(t, "amazon_brazil", meta.Store)

	meta = NewDocumentMetadata("/dp/x", &ProductRecord{}, GeoPoint{}, at)
	assert.Nil(t, meta.ASIN)
}
