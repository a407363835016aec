// Package mapstore persists deployments in the expert map json document.
package mapstore

import (
	"encoding/json"

	"github.com/kuaishou/open_expert_keeper/expert_keeper/errs"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/placement"
)

type deviceDoc struct {
	DeviceID     int   `json:"device_id"`
	DeviceExpert []int `json:"device_expert"`
}

type layerDoc struct {
	LayerID     int         `json:"layer_id"`
	DeviceCount int         `json:"device_count"`
	DeviceList  []deviceDoc `json:"device_list"`
}

type document struct {
	MoeLayerCount int        `json:"moe_layer_count"`
	LayerList     []layerDoc `json:"layer_list"`
}

func Encode(d placement.Deployment) ([]byte, error) {
	doc := document{MoeLayerCount: len(d)}
	for l, layer := range d {
		ld := layerDoc{LayerID: l, DeviceCount: len(layer)}
		for dev, box := range layer {
			ld.DeviceList = append(ld.DeviceList, deviceDoc{
				DeviceID:     dev,
				DeviceExpert: append([]int{}, box...),
			})
		}
		doc.LayerList = append(doc.LayerList, ld)
	}
	return json.MarshalIndent(&doc, "", "    ")
}

func Decode(data []byte) (placement.Deployment, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errs.Configurationf("parse expert map: %v", err)
	}
	if doc.MoeLayerCount != len(doc.LayerList) {
		return nil, errs.Configurationf(
			"moe_layer_count %d mismatch with %d layers", doc.MoeLayerCount, len(doc.LayerList))
	}
	if doc.MoeLayerCount == 0 {
		return nil, errs.Configurationf("expert map has no layer")
	}
	output := make(placement.Deployment, doc.MoeLayerCount)
	devices := -1
	for i, ld := range doc.LayerList {
		if ld.LayerID != i {
			return nil, errs.Configurationf("layer %d listed at position %d", ld.LayerID, i)
		}
		if ld.DeviceCount != len(ld.DeviceList) {
			return nil, errs.Configurationf(
				"layer %d device_count %d mismatch with %d devices", i, ld.DeviceCount, len(ld.DeviceList))
		}
		if devices == -1 {
			devices = ld.DeviceCount
		} else if devices != ld.DeviceCount {
			return nil, errs.Configurationf("layer %d has %d devices, expect %d", i, ld.DeviceCount, devices)
		}
		output[i] = make([][]int, ld.DeviceCount)
		for j, dd := range ld.DeviceList {
			if dd.DeviceID != j {
				return nil, errs.Configurationf("layer %d device %d listed at position %d", i, dd.DeviceID, j)
			}
			output[i][j] = append([]int{}, dd.DeviceExpert...)
		}
	}
	return output, nil
}
