package proto

import "google.golang.org/protobuf/encoding/protowire"

// HistorySyncNotification tells the client that an encrypted history blob is ready to be
// downloaded; the download/decrypt itself is out of scope (media transfer, per SPEC_FULL.md).
type HistorySyncNotification struct {
	FileLength *uint64
	Mimetype   *string
	DirectPath *string
}

func (h *HistorySyncNotification) GetFileLength() uint64 {
	if h.FileLength == nil {
		return 0
	}
	return *h.FileLength
}

func (h *HistorySyncNotification) marshal() ([]byte, error) {
	var b []byte
	if h.FileLength != nil {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, *h.FileLength)
	}
	if h.Mimetype != nil {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, *h.Mimetype)
	}
	if h.DirectPath != nil {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, *h.DirectPath)
	}
	return b, nil
}

func (h *HistorySyncNotification) unmarshal(data []byte) error {
	fields, err := parseFields(data)
	if err != nil {
		return err
	}
	for _, f := range fields {
		switch f.num {
		case 1:
			v := f.asVarint()
			h.FileLength = &v
		case 2:
			h.Mimetype = String(f.asString())
		case 3:
			h.DirectPath = String(f.asString())
		}
	}
	return nil
}
