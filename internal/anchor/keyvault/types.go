package keyvault

import (
	"encoding/binary"

	"github.com/coldbell/keyvault/backend/internal/ratelimit"
	ag_binary "github.com/gagliardetto/binary"
)

type RateBucket struct {
	Capacity     uint64
	RefillPeriod uint64
	Level        uint64
	LastUpdate   uint64
}

func (obj RateBucket) MarshalWithEncoder(encoder *ag_binary.Encoder) error {
	for _, v := range []uint64{obj.Capacity, obj.RefillPeriod, obj.Level, obj.LastUpdate} {
		if err := encoder.WriteUint64(v, binary.LittleEndian); err != nil {
			return err
		}
	}
	return nil
}

func (obj *RateBucket) UnmarshalWithDecoder(decoder *ag_binary.Decoder) (err error) {
	for _, v := range []*uint64{&obj.Capacity, &obj.RefillPeriod, &obj.Level, &obj.LastUpdate} {
		if *v, err = decoder.ReadUint64(binary.LittleEndian); err != nil {
			return err
		}
	}
	return nil
}

func (obj RateBucket) Bucket() ratelimit.Bucket {
	return ratelimit.Bucket{
		Capacity:     obj.Capacity,
		RefillPeriod: obj.RefillPeriod,
		Level:        obj.Level,
		LastUpdate:   obj.LastUpdate,
	}
}

func RateBucketFrom(b ratelimit.Bucket) RateBucket {
	return RateBucket{
		Capacity:     b.Capacity,
		RefillPeriod: b.RefillPeriod,
		Level:        b.Level,
		LastUpdate:   b.LastUpdate,
	}
}
