package model

// DecodeError records a decode failure for a log, with the raw payload kept.
type DecodeError struct {
	Chain       string   `json:"chain"`
	BlockNumber uint64   `json:"block_number"`
	TxHash      string   `json:"tx_hash"`
	LogIndex    uint64   `json:"log_index"`
	Address     string   `json:"address"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data"`
	Error       string   `json:"error"`
}

// NewDecodeError builds a DecodeError from the offending log.
func NewDecodeError(log LogRecord, err error) DecodeError {
	return DecodeError{
		Chain:       log.Chain,
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash,
		LogIndex:    log.LogIndex,
		Address:     log.Address,
		Topics:      log.Topics,
		Data:        log.Data,
		Error:       err.Error(),
	}
}
