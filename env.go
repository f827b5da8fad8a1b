package geopg

// this just defines some environment variables that are used in the tests
const (
	EnvTestConnString    = "GEOPG_TEST_CONN_STRING"
	EnvTestTLSConnString = "GEOPG_TEST_TLS_CONN_STRING"
)
