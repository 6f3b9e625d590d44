package proto

import "google.golang.org/protobuf/encoding/protowire"

// ClientPayload is the protobuf carried inside the Noise handshake's encrypted payload on the
// first (pairing) or a subsequent (restore) login.
type ClientPayload struct {
	Username      *uint64
	PassiveVal    *bool
	UserAgent     *UserAgent
	WebInfo       *WebInfo
	Push          *bool
	RegData       *CompanionRegData
	DevicePairingData *DevicePairingRegistrationData
}

type UserAgent struct {
	Platform        *string
	AppVersionMajor *uint32
	AppVersionMinor *uint32
	AppVersionPatch *uint32
}

type WebInfo struct {
	WebSubPlatform *string
}

// CompanionRegData carries the server-signed device identity blob on a restore login.
type CompanionRegData struct {
	BuildHash      []byte
	CompanionProps []byte // marshaled DeviceProps
	ERegid         []byte
	EKeytype       []byte
	EIdent         []byte
	ESkeyID        []byte
	ESkeyVal       []byte
	ESkeySig       []byte
}

// DevicePairingRegistrationData carries the companion's registration id, identity key, signed
// prekey and build hash.
type DevicePairingRegistrationData struct {
	ERegid      []byte
	EKeytype    []byte
	EIdent      []byte
	ESkeyID     []byte
	ESkeyVal    []byte
	ESkeySig    []byte
	BuildHash   []byte
}

// DeviceProps describes the linked device's platform/browser, embedded in CompanionRegData.
type DeviceProps struct {
	Os                *string
	PlatformType      *DevicePropsPlatformType
	RequireFullSync   *bool
}

type DevicePropsPlatformType int32

func (c *ClientPayload) marshalUserAgent() []byte {
	if c.UserAgent == nil {
		return nil
	}
	var b []byte
	if c.UserAgent.Platform != nil {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, *c.UserAgent.Platform)
	}
	if c.UserAgent.AppVersionMajor != nil {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(*c.UserAgent.AppVersionMajor))
	}
	if c.UserAgent.AppVersionMinor != nil {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(*c.UserAgent.AppVersionMinor))
	}
	if c.UserAgent.AppVersionPatch != nil {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(*c.UserAgent.AppVersionPatch))
	}
	return b
}

func (c *ClientPayload) marshalWebInfo() []byte {
	if c.WebInfo == nil || c.WebInfo.WebSubPlatform == nil {
		return nil
	}
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, *c.WebInfo.WebSubPlatform)
	return b
}

func (c *CompanionRegData) marshal() []byte {
	var b []byte
	appendIfSet := func(num protowire.Number, v []byte) {
		if len(v) > 0 {
			b = protowire.AppendTag(b, num, protowire.BytesType)
			b = protowire.AppendBytes(b, v)
		}
	}
	appendIfSet(1, c.BuildHash)
	appendIfSet(2, c.CompanionProps)
	appendIfSet(3, c.ERegid)
	appendIfSet(4, c.EKeytype)
	appendIfSet(5, c.EIdent)
	appendIfSet(6, c.ESkeyID)
	appendIfSet(7, c.ESkeyVal)
	appendIfSet(8, c.ESkeySig)
	return b
}

func (c *CompanionRegData) unmarshal(data []byte) {
	fields, err := parseFields(data)
	if err != nil {
		return
	}
	for _, f := range fields {
		switch f.num {
		case 1:
			c.BuildHash = f.asBytes()
		case 2:
			c.CompanionProps = f.asBytes()
		case 3:
			c.ERegid = f.asBytes()
		case 4:
			c.EKeytype = f.asBytes()
		case 5:
			c.EIdent = f.asBytes()
		case 6:
			c.ESkeyID = f.asBytes()
		case 7:
			c.ESkeyVal = f.asBytes()
		case 8:
			c.ESkeySig = f.asBytes()
		}
	}
}

func (c *DevicePairingRegistrationData) marshal() []byte {
	var b []byte
	appendIfSet := func(num protowire.Number, v []byte) {
		if len(v) > 0 {
			b = protowire.AppendTag(b, num, protowire.BytesType)
			b = protowire.AppendBytes(b, v)
		}
	}
	appendIfSet(1, c.ERegid)
	appendIfSet(2, c.EKeytype)
	appendIfSet(3, c.EIdent)
	appendIfSet(4, c.ESkeyID)
	appendIfSet(5, c.ESkeyVal)
	appendIfSet(6, c.ESkeySig)
	appendIfSet(7, c.BuildHash)
	return b
}

func (c *DevicePairingRegistrationData) unmarshal(data []byte) {
	fields, err := parseFields(data)
	if err != nil {
		return
	}
	for _, f := range fields {
		switch f.num {
		case 1:
			c.ERegid = f.asBytes()
		case 2:
			c.EKeytype = f.asBytes()
		case 3:
			c.EIdent = f.asBytes()
		case 4:
			c.ESkeyID = f.asBytes()
		case 5:
			c.ESkeyVal = f.asBytes()
		case 6:
			c.ESkeySig = f.asBytes()
		case 7:
			c.BuildHash = f.asBytes()
		}
	}
}

func (c *ClientPayload) Marshal() ([]byte, error) {
	var b []byte
	if c.Username != nil {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, *c.Username)
	}
	if c.PassiveVal != nil {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		if *c.PassiveVal {
			b = protowire.AppendVarint(b, 1)
		} else {
			b = protowire.AppendVarint(b, 0)
		}
	}
	if ua := c.marshalUserAgent(); ua != nil {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, ua)
	}
	if c.Push != nil {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		if *c.Push {
			b = protowire.AppendVarint(b, 1)
		} else {
			b = protowire.AppendVarint(b, 0)
		}
	}
	if wi := c.marshalWebInfo(); wi != nil {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, wi)
	}
	if c.RegData != nil {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, c.RegData.marshal())
	}
	if c.DevicePairingData != nil {
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendBytes(b, c.DevicePairingData.marshal())
	}
	return b, nil
}

func (c *ClientPayload) Unmarshal(data []byte) error {
	fields, err := parseFields(data)
	if err != nil {
		return err
	}
	for _, f := range fields {
		switch f.num {
		case 1:
			v := f.asVarint()
			c.Username = &v
		case 2:
			c.PassiveVal = Bool(f.asBool())
		case 4:
			c.Push = Bool(f.asBool())
		case 5:
			var wi WebInfo
			sub, err := parseFields(f.asBytes())
			if err == nil {
				for _, sf := range sub {
					if sf.num == 1 {
						wi.WebSubPlatform = String(sf.asString())
					}
				}
			}
			c.WebInfo = &wi
		case 6:
			var rd CompanionRegData
			rd.unmarshal(f.asBytes())
			c.RegData = &rd
		case 7:
			var dp DevicePairingRegistrationData
			dp.unmarshal(f.asBytes())
			c.DevicePairingData = &dp
		}
	}
	return nil
}
