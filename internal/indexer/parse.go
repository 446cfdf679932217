package indexer

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ParseAddresses converts string addresses into common.Address.
func ParseAddresses(inputs []string) ([]common.Address, error) {
	addresses := make([]common.Address, 0, len(inputs))
	for _, input := range inputs {
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if !common.IsHexAddress(input) {
			return nil, fmt.Errorf("invalid address: %s", input)
		}
		addresses = append(addresses, common.HexToAddress(input))
	}
	return addresses, nil
}

// AddressTopics left-pads addresses to 32-byte topic values for use as an
// indexed-address filter position.
func AddressTopics(inputs []string) ([]string, error) {
	addresses, err := ParseAddresses(inputs)
	if err != nil {
		return nil, err
	}
	topics := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		topics = append(topics, common.BytesToHash(addr.Bytes()).Hex())
	}
	return topics, nil
}
