//go:build !nojsonsimd

package stratum

import (
	"reflect"

	"github.com/bytedance/sonic"
)

var fastJSON = sonic.ConfigDefault

func init() {
	_ = sonic.Pretouch(reflect.TypeOf(Message{}))
	_ = sonic.Pretouch(reflect.TypeOf(Request{}))
}

func marshalJSON(v any) ([]byte, error) {
	return fastJSON.Marshal(v)
}

func unmarshalJSON(data []byte, v any) error {
	return fastJSON.Unmarshal(data, v)
}
