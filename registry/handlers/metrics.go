package handlers

import (
	metrics "github.com/docker/go-metrics"
)

var (
	// requestsCounter counts API requests by route.
	requestsCounter metrics.LabeledCounter

	// errorsCounter counts error responses by code.
	errorsCounter metrics.LabeledCounter
)

func init() {
	ns := metrics.NewNamespace("stevedore", "http", nil)
	requestsCounter = ns.NewLabeledCounter("requests", "The number of API requests handled", "route")
	errorsCounter = ns.NewLabeledCounter("errors", "The number of error responses served", "code")
	metrics.Register(ns)
}
