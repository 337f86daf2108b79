package sdp

import (
	"fmt"

	"syncml-bt/internal/rfcomm"
)

// Service class uuids of the two SyncML OBEX binding records.
const (
	ClientUUID = "00000002-0000-1000-8000-0002ee000002"
	ServerUUID = "00000001-0000-1000-8000-0002ee000001"
)

// Record file names looked up under the record directory.
const (
	ClientRecordFile = "syncml_client_sdp_record.xml"
	ServerRecordFile = "syncml_server_sdp_record.xml"
)

// DefaultRecordDir is where record files are read from unless configured.
const DefaultRecordDir = "/etc/buteo/plugins/syncmlserver"

// UUIDFor returns the service class uuid advertised for ch.
func UUIDFor(ch rfcomm.Channel) string {
	if ch == rfcomm.ServerRole {
		return ServerUUID
	}
	return ClientUUID
}

// FileFor returns the record file name for ch.
func FileFor(ch rfcomm.Channel) string {
	if ch == rfcomm.ServerRole {
		return ServerRecordFile
	}
	return ClientRecordFile
}

// NameFor returns the human readable service name for ch.
func NameFor(ch rfcomm.Channel) string {
	if ch == rfcomm.ServerRole {
		return "SyncML Server"
	}
	return "SyncML Client"
}

// Layout follows the SyncML OBEX binding for Bluetooth (OMA-TS-SyncML_OBEXBinding-V1_2).
const recordTemplate = `<?xml version="1.0" encoding="UTF-8" ?>
<record>
  <attribute id="0x0001">
    <sequence>
      <uuid value="%[1]s" />
    </sequence>
  </attribute>
  <attribute id="0x0004">
    <sequence>
      <sequence>
        <uuid value="0x0100" />
      </sequence>
      <sequence>
        <uuid value="0x0003" />
        <uint8 value="%[2]d" />
      </sequence>
      <sequence>
        <uuid value="0x0008" />
      </sequence>
    </sequence>
  </attribute>
  <attribute id="0x0005">
    <sequence>
      <uuid value="0x1002" />
    </sequence>
  </attribute>
  <attribute id="0x0009">
    <sequence>
      <sequence>
        <uuid value="%[1]s" />
        <uint16 value="0x0100" />
      </sequence>
    </sequence>
  </attribute>
  <attribute id="0x0100">
    <text value="%[3]s" />
  </attribute>
</record>
`

// DefaultRecord returns the compiled-in record for ch.
func DefaultRecord(ch rfcomm.Channel) []byte {
	return []byte(fmt.Sprintf(recordTemplate, UUIDFor(ch), ch.Number(), NameFor(ch)))
}
