// Command mspsim runs the OCPI eMSP simulator and manages it through the
// admin API.
package main

func main() {
	Execute()
}
