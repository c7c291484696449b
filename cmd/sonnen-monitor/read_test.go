package main

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"sonnen-monitor/internal/battery"
)

func testSnapshot(t *testing.T) *battery.Snapshot {
	t.Helper()
	snap, err := battery.NewSnapshot(
		[]byte(`{"Consumption_W": 748, "Pac_total_W": -1500}`),
		[]byte(`{"GridFeedIn_W": 749, "RemainingCapacity_Wh": 10000}`),
		time.Date(2025, 11, 29, 21, 0, 0, 0, time.UTC),
	)
	require.NoError(t, err)
	return snap
}

func TestWriteSnapshotJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeSnapshot(&buf, testSnapshot(t), "json", false))

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, 748.0, out["consumption_w"])
	assert.Equal(t, 1500.0, out["charging_w"])
	assert.Equal(t, 2700.0, out["remaining_capacity_wh"])
	assert.Contains(t, out, "production_w")
	assert.Nil(t, out["production_w"])
	assert.Contains(t, out["errors"], "production_w")
}

func TestWriteSnapshotYAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeSnapshot(&buf, testSnapshot(t), "yaml", false))

	var out map[string]interface{}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, 748, out["consumption_w"])
	assert.Equal(t, 749, out["grid_in_w"])
	assert.Contains(t, out, "user_soc_percent")
	assert.Nil(t, out["user_soc_percent"])
	assert.Contains(t, out["errors"], "user_soc_percent")
}

func TestWriteSnapshotRaw(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeSnapshot(&buf, testSnapshot(t), "json", true))
	assert.Contains(t, buf.String(), `"Consumption_W": 748`)

	buf.Reset()
	require.NoError(t, writeSnapshot(&buf, testSnapshot(t), "yaml", true))

	var out map[string]map[string]interface{}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, 748, out["latestdata"]["Consumption_W"])
	assert.Equal(t, 10000, out["status"]["RemainingCapacity_Wh"])
}
