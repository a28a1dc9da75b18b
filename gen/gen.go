package main

import (
	gen "github.com/whyrusleeping/cbor-gen"

	"github.com/simbahebinbo/forest/pkg/types"
)

func main() {
	if err := gen.WriteTupleEncodersToFile("./pkg/types/cbor_gen.go", "types",
		types.BlockHeader{},
	); err != nil {
		panic(err)
	}
}
