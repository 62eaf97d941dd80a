// Package container manages the XNAT test instance: building the image,
// running it with testcontainers-go, restarting it after plugin changes, and
// running docker CLI commands (exec, cp) against it.
//
// The image bundles Tomcat, the XNAT web application, the container-service
// plugin and a PostgreSQL server, so a single container is a complete XNAT.
//
// When Config.KeepInstance is set the container is started with a fixed name
// and reused across runs; Terminate becomes a no-op and the testcontainers
// reaper is disabled so the container outlives the test process.
package container
