package db

import "time"

// EndpointRecord is a row in the discovery_endpoints table.
type EndpointRecord struct {
	ID                    string              `json:"id"`
	Node                  string              `json:"node"`
	URI                   string              `json:"uri"`
	AbstractType          string              `json:"abstract_type"`
	AbstractTypeAuthority string              `json:"abstract_type_authority"`
	Attributes            map[string][]string `json:"attributes"`
	ServiceURL            string              `json:"service_url"`
	Created               time.Time           `json:"created"`
}
