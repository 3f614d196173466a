// Command rookpkg is the Rookery OS package manager CLI: a thin cobra
// wrapper over internal/{resolver,transaction,repository,archive,
// signing,build,delta,hooks,cve} implementing install/remove/upgrade,
// repository management, build-from-spec, and diagnostic commands.
package main

func main() {
	Execute()
}
