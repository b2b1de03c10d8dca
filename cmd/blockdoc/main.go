// blockdoc serves replicated block documents over gRPC and merges or
// inspects update files offline
package main

func main() {
	Execute()
}
