package mapstore

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kuaishou/open_expert_keeper/expert_keeper/errs"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/placement"
	"gotest.tools/assert"
)

var testDeployment = placement.Deployment{
	{{0, 1, 3}, {0, 2}},
	{{3, 0, 2}, {3, 1}},
}

func TestCodecRoundTrip(t *testing.T) {
	data, err := Encode(testDeployment)
	assert.NilError(t, err)
	decoded, err := Decode(data)
	assert.NilError(t, err)
	assert.DeepEqual(t, decoded, testDeployment)
}

func TestDecodeDocument(t *testing.T) {
	doc := `{
		"moe_layer_count": 1,
		"layer_list": [{
			"layer_id": 0,
			"device_count": 2,
			"device_list": [
				{"device_id": 0, "device_expert": [7, 2]},
				{"device_id": 1, "device_expert": [1, 0]}
			]
		}]
	}`
	decoded, err := Decode([]byte(doc))
	assert.NilError(t, err)
	assert.DeepEqual(t, decoded, placement.Deployment{{{7, 2}, {1, 0}}})
}

func TestDecodeRejects(t *testing.T) {
	cases := []string{
		`not json`,
		`{"moe_layer_count": 2, "layer_list": [{"layer_id": 0, "device_count": 0}]}`,
		`{"moe_layer_count": 0, "layer_list": []}`,
		`{"moe_layer_count": 1, "layer_list": [{"layer_id": 0, "device_count": 2,
			"device_list": [{"device_id": 0, "device_expert": [0]}]}]}`,
		`{"moe_layer_count": 1, "layer_list": [{"layer_id": 3, "device_count": 0}]}`,
		`{"moe_layer_count": 2, "layer_list": [
			{"layer_id": 0, "device_count": 1, "device_list": [{"device_id": 0, "device_expert": [0]}]},
			{"layer_id": 1, "device_count": 0}]}`,
	}
	for _, c := range cases {
		_, err := Decode([]byte(c))
		assert.Assert(t, errs.IsConfiguration(err), "case %s got %v", c, err)
	}
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(filepath.Join(dir, "maps", "expert_map.json"))
	defer store.Close()
	ctx := context.Background()

	_, exists, err := store.Load(ctx)
	assert.NilError(t, err)
	assert.Assert(t, !exists)

	assert.NilError(t, store.Save(ctx, testDeployment))
	loaded, exists, err := store.Load(ctx)
	assert.NilError(t, err)
	assert.Assert(t, exists)
	assert.DeepEqual(t, loaded, testDeployment)

	entries, err := os.ReadDir(filepath.Join(dir, "maps"))
	assert.NilError(t, err)
	assert.Equal(t, len(entries), 1)

	assert.NilError(t, os.WriteFile(filepath.Join(dir, "maps", "expert_map.json"), []byte("{"), 0644))
	_, _, err = store.Load(ctx)
	assert.Assert(t, errs.IsConfiguration(err))
}

func TestMemStore(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	_, exists, err := store.Load(ctx)
	assert.NilError(t, err)
	assert.Assert(t, !exists)

	assert.NilError(t, store.Save(ctx, testDeployment))
	loaded, exists, err := store.Load(ctx)
	assert.NilError(t, err)
	assert.Assert(t, exists)
	assert.DeepEqual(t, loaded, testDeployment)
	assert.Equal(t, store.Saves(), 1)
}

func TestNewZkStoreValidates(t *testing.T) {
	_, err := NewZkStore(ZkOptions{Root: "/expert_keeper"})
	assert.Assert(t, errs.IsConfiguration(err))
	_, err = NewZkStore(ZkOptions{Hosts: []string{"127.0.0.1:2181"}, Root: "relative"})
	assert.Assert(t, errs.IsConfiguration(err))
}

func TestZkStore(t *testing.T) {
	conn, err := net.DialTimeout("tcp", "127.0.0.1:2181", 200*time.Millisecond)
	if err != nil {
		t.Skip("no zookeeper on 127.0.0.1:2181")
	}
	conn.Close()

	store, err := NewZkStore(ZkOptions{
		Hosts:        []string{"127.0.0.1:2181"},
		Root:         "/test/expert_keeper/mapstore_" + time.Now().Format("150405.000000"),
		HistoryLimit: 2,
	})
	assert.NilError(t, err)
	defer store.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, exists, err := store.Load(ctx)
	assert.NilError(t, err)
	assert.Assert(t, !exists)

	for i := 0; i < 3; i++ {
		assert.NilError(t, store.Save(ctx, testDeployment))
	}
	loaded, exists, err := store.Load(ctx)
	assert.NilError(t, err)
	assert.Assert(t, exists)
	assert.DeepEqual(t, loaded, testDeployment)

	history, err := store.History(ctx)
	assert.NilError(t, err)
	assert.Equal(t, len(history), 2)
}
