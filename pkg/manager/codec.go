package manager

import (
	"fmt"

	"github.com/cuemby/keel/pkg/storage"
	"github.com/cuemby/keel/pkg/tokenbucket"
	"github.com/cuemby/keel/pkg/types"
)

// KindTokenBucket tags rate limiter buckets stored as root attributes
const KindTokenBucket = "tokenbucket"

// NewCodec returns a codec that knows every value the job manager stores in
// the entity trees
func NewCodec() *storage.Codec {
	codec := storage.NewCodec()
	codec.MustRegister(types.KindJob, types.Job{})
	codec.MustRegister(types.KindTask, types.Task{})
	codec.MustRegister(types.KindInstanceGroup, types.InstanceGroup{})
	codec.MustRegister(types.KindInstance, types.Instance{})
	codec.MustRegister(KindTokenBucket, tokenbucket.Bucket{})
	return codec
}

// KindOf names the kind of an entity value, for metrics
func KindOf(codec *storage.Codec) func(entity any) string {
	return func(entity any) string {
		if kind, ok := codec.KindOf(entity); ok {
			return kind
		}
		return fmt.Sprintf("%T", entity)
	}
}
