// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Bedrock (https://bedrock-io.github.io/).
// Copyright 2018 Bedrock Authors.

package tracing

import (
	"net"
	"os"
)

// Zipkin v1 core annotation values.
const (
	annServerReceive = "sr"
	annServerSend    = "ss"
	annClientSend    = "cs"
	annClientReceive = "cr"

	// keyLocalComponent is the binary annotation key carrying the component
	// name of a local span.
	keyLocalComponent = "lc"
)

// Endpoint identifies the service producing a record. It is resolved once
// at startup and stamped on every annotation.
type Endpoint struct {
	ServiceName string `json:"serviceName"`
	IPv4        string `json:"ipv4"`
}

// Annotation is a timestamped event on a span, e.g. "sr" at server receive.
type Annotation struct {
	Endpoint  Endpoint `json:"endpoint"`
	Timestamp int64    `json:"timestamp"`
	Value     string   `json:"value"`
}

// BinaryAnnotation is a key/value tag on a span.
type BinaryAnnotation struct {
	Key      string      `json:"key"`
	Value    interface{} `json:"value"`
	Endpoint Endpoint    `json:"endpoint"`
}

// Record is a Zipkin v1 compatible span record, the wire shape handed to
// the recorder and ultimately to the collector. Trace identifiers are
// numeric, not hex strings; an absent parent serializes as 0. Timestamps and
// durations are microseconds.
type Record struct {
	TraceID           uint64             `json:"traceId"`
	Name              string             `json:"name"`
	ID                uint64             `json:"id"`
	ParentID          uint64             `json:"parentId"`
	Timestamp         int64              `json:"timestamp"`
	Duration          int64              `json:"duration"`
	Annotations       []Annotation       `json:"annotations"`
	BinaryAnnotations []BinaryAnnotation `json:"binaryAnnotations"`
}

// resolveEndpoint resolves the local endpoint info once at startup. A failed
// hostname lookup yields the literal "undefined" rather than an error; spans
// are still usable without an address.
func resolveEndpoint(serviceName string) Endpoint {
	return Endpoint{ServiceName: serviceName, IPv4: resolveIPv4()}
}

func resolveIPv4() string {
	host, err := os.Hostname()
	if err != nil {
		return "undefined"
	}
	addrs, err := net.LookupHost(host)
	if err != nil {
		return "undefined"
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
			return ip.String()
		}
	}
	return "undefined"
}
