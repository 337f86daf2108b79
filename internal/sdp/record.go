// Package sdp loads the SyncML SDP service records and keeps their
// advertisement with the Bluetooth adapter in step with what the adapter
// actually reports.
package sdp

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// SDP attribute ids and protocol uuids used by the SyncML records.
const (
	attrServiceClassIDList = 0x0001
	attrProtocolDescriptor = 0x0004
	attrServiceName        = 0x0100
	protoRFCOMM            = 0x0003
)

var errMalformed = errors.New("sdp: malformed service record")

// ServiceInfo is what a service record advertises.
type ServiceInfo struct {
	UUID    string
	Channel uint8
	Name    string
}

// node is a generic element of the BlueZ SDP XML schema.
type node struct {
	XMLName  xml.Name
	ID       string `xml:"id,attr"`
	Value    string `xml:"value,attr"`
	Children []node `xml:",any"`
}

// ParseRecord extracts the service-class uuid, RFCOMM channel and service
// name from a BlueZ SDP XML record.
func ParseRecord(payload []byte) (ServiceInfo, error) {
	var root node
	if err := xml.NewDecoder(bytes.NewReader(payload)).Decode(&root); err != nil {
		return ServiceInfo{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if root.XMLName.Local != "record" {
		return ServiceInfo{}, fmt.Errorf("%w: root element %q", errMalformed, root.XMLName.Local)
	}

	var info ServiceInfo
	var haveChannel bool
	for _, attr := range root.Children {
		if attr.XMLName.Local != "attribute" {
			continue
		}
		id, err := strconv.ParseUint(attr.ID, 0, 16)
		if err != nil {
			return ServiceInfo{}, fmt.Errorf("%w: attribute id %q", errMalformed, attr.ID)
		}
		switch id {
		case attrServiceClassIDList:
			if u, ok := firstUUID(attr); ok {
				info.UUID = u
			}
		case attrProtocolDescriptor:
			info.Channel, haveChannel = rfcommChannel(attr)
		case attrServiceName:
			for _, c := range attr.Children {
				if c.XMLName.Local == "text" {
					info.Name = c.Value
				}
			}
		}
	}
	if info.UUID == "" {
		return ServiceInfo{}, fmt.Errorf("%w: no service class uuid", errMalformed)
	}
	if !haveChannel {
		return ServiceInfo{}, fmt.Errorf("%w: no RFCOMM channel", errMalformed)
	}
	return info, nil
}

func firstUUID(n node) (string, bool) {
	for _, c := range n.Children {
		if c.XMLName.Local == "uuid" {
			return c.Value, true
		}
		if u, ok := firstUUID(c); ok {
			return u, true
		}
	}
	return "", false
}

// rfcommChannel finds the <sequence><uuid value="0x0003"/><uint8 .../></sequence>
// protocol entry anywhere below n.
func rfcommChannel(n node) (uint8, bool) {
	for i, c := range n.Children {
		if c.XMLName.Local == "uuid" && isShortUUID(c.Value, protoRFCOMM) && i+1 < len(n.Children) {
			next := n.Children[i+1]
			if next.XMLName.Local != "uint8" {
				return 0, false
			}
			v, err := strconv.ParseUint(next.Value, 0, 8)
			if err != nil {
				return 0, false
			}
			return uint8(v), true
		}
		if ch, ok := rfcommChannel(c); ok {
			return ch, true
		}
	}
	return 0, false
}

func isShortUUID(s string, want uint64) bool {
	v, err := strconv.ParseUint(s, 0, 16)
	return err == nil && v == want
}

// SameUUID compares two uuid strings ignoring case and formatting.
func SameUUID(a, b string) bool {
	ua, errA := uuid.Parse(a)
	ub, errB := uuid.Parse(b)
	if errA == nil && errB == nil {
		return ua == ub
	}
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// ContainsUUID reports whether list holds target.
func ContainsUUID(list []string, target string) bool {
	for _, s := range list {
		if SameUUID(s, target) {
			return true
		}
	}
	return false
}
