package proto

import "google.golang.org/protobuf/encoding/protowire"

// ADVSignedDeviceIdentity is the server-signed blob the phone produces during pairing, binding the
// companion's identity key to the primary account (§4.E).
type ADVSignedDeviceIdentity struct {
	Details          []byte
	AccountSignatureKey []byte
	AccountSignature []byte
	DeviceSignature  []byte
}

func (a *ADVSignedDeviceIdentity) Marshal() ([]byte, error) {
	var b []byte
	if a.Details != nil {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, a.Details)
	}
	if a.AccountSignatureKey != nil {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, a.AccountSignatureKey)
	}
	if a.AccountSignature != nil {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, a.AccountSignature)
	}
	if a.DeviceSignature != nil {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, a.DeviceSignature)
	}
	return b, nil
}

func (a *ADVSignedDeviceIdentity) Unmarshal(data []byte) error {
	fields, err := parseFields(data)
	if err != nil {
		return err
	}
	for _, f := range fields {
		switch f.num {
		case 1:
			a.Details = f.asBytes()
		case 2:
			a.AccountSignatureKey = f.asBytes()
		case 3:
			a.AccountSignature = f.asBytes()
		case 4:
			a.DeviceSignature = f.asBytes()
		}
	}
	return nil
}

// ADVDeviceIdentity is the inner "Details" payload: raw id, timestamp and key index.
type ADVDeviceIdentity struct {
	RawId         *uint32
	Timestamp     *uint64
	KeyIndex      *uint32
}

func (a *ADVDeviceIdentity) Marshal() ([]byte, error) {
	var b []byte
	if a.RawId != nil {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(*a.RawId))
	}
	if a.Timestamp != nil {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, *a.Timestamp)
	}
	if a.KeyIndex != nil {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(*a.KeyIndex))
	}
	return b, nil
}

func (a *ADVDeviceIdentity) Unmarshal(data []byte) error {
	fields, err := parseFields(data)
	if err != nil {
		return err
	}
	for _, f := range fields {
		switch f.num {
		case 1:
			v := uint32(f.asVarint())
			a.RawId = &v
		case 2:
			v := f.asVarint()
			a.Timestamp = &v
		case 3:
			v := uint32(f.asVarint())
			a.KeyIndex = &v
		}
	}
	return nil
}
