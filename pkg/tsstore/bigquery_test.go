package tsstore

import (
	"context"
	"errors"
	"testing"

	"cloud.google.com/go/bigquery"
	"github.com/illmade-knight/iot-gateway/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
)

type fakePutter struct {
	rows []*bqReading
	err  error
}

func (f *fakePutter) Put(_ context.Context, src any) error {
	if f.err != nil {
		return f.err
	}
	f.rows = append(f.rows, src.([]*bqReading)...)
	return nil
}

func TestBigQueryInserter_InsertBatch(t *testing.T) {
	putter := &fakePutter{}
	i := &BigQueryInserter{inserter: putter, logger: zerolog.Nop()}

	require.NoError(t, i.InsertBatch(context.Background(), []*types.Reading{sampleReading()}))
	require.Len(t, putter.rows, 1)
	row := putter.rows[0]
	assert.Equal(t, "BATTERY_V", row.MetricCode)
	assert.Equal(t, bigquery.NullFloat64{Float64: 0, Valid: true}, row.MinThreshold)
	assert.False(t, row.MaxThreshold.Valid)
	assert.Equal(t, int64(2), row.ProfileVersion)
}

func TestBigQueryInserter_InsertBatchError(t *testing.T) {
	putter := &fakePutter{err: bigquery.PutMultiError{{RowIndex: 0, Errors: []error{errors.New("bad row")}}}}
	i := &BigQueryInserter{inserter: putter, logger: zerolog.Nop()}

	err := i.InsertBatch(context.Background(), []*types.Reading{sampleReading()})
	require.Error(t, err)
	var multi bigquery.PutMultiError
	assert.ErrorAs(t, err, &multi)
}

func TestBigQuerySchemaInfers(t *testing.T) {
	schema, err := bigquery.InferSchema(bqReading{})
	require.NoError(t, err)
	names := make([]string, 0, len(schema))
	for _, f := range schema {
		names = append(names, f.Name)
	}
	assert.Contains(t, names, "ts")
	assert.Contains(t, names, "min_threshold")
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(&googleapi.Error{Code: 404}))
	assert.False(t, isNotFound(&googleapi.Error{Code: 500}))
	assert.False(t, isNotFound(nil))
}
