package coapmsg

// MediaType specifies the content type of a message.
type MediaType byte

// Content types.
const (
	TextPlain     MediaType = 0  // text/plain;charset=utf-8
	AppLinkFormat MediaType = 40 // application/link-format
	AppXML        MediaType = 41 // application/xml
	AppOctets     MediaType = 42 // application/octet-stream
	AppExi        MediaType = 47 // application/exi
	AppJSON       MediaType = 50 // application/json
	AppCBOR       MediaType = 60 // application/cbor
)

type optionsIds []OptionId

// Len implements sort.Interface
func (o optionsIds) Len() int {
	return len(o)
}

// Less implements sort.Interface
func (o optionsIds) Less(i, j int) bool {
	return o[i] < o[j]
}

// Swap implements sort.Interface
func (o optionsIds) Swap(i, j int) {
	o[i], o[j] = o[j], o[i]
}
