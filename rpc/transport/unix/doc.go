// Package unix implements the Unix domain socket connector of the driver.
// Importing the package registers the connector under the name "unix".
// Endpoints are socket paths, e.g. "/var/run/redis.sock".
package unix
