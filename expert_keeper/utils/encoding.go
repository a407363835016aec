package utils

import (
	"encoding/json"

	"github.com/kuaishou/open_expert_keeper/expert_keeper/logging"
)

func MarshalJsonOrDie(ptr interface{}) []byte {
	data, err := json.Marshal(ptr)
	if err != nil {
		logging.Fatal("marshal %v to json failed: %v", ptr, err.Error())
	}
	return data
}
