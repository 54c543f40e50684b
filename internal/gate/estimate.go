package gate

import "unicode/utf8"

// tokensPerItem is the flat estimate for a non-text content item (images,
// audio chunks) where no character count applies.
const tokensPerItem = 10

// EstimateTokens approximates the token count of the request payload:
// one token per four characters of text plus a flat charge per non-text
// item. The estimate feeds TPM reservations and the credit pre-check; the
// vendor's reported usage replaces it at accounting time.
func EstimateTokens(texts []string, nonTextItems int) int {
	chars := 0
	for _, t := range texts {
		chars += utf8.RuneCountInString(t)
	}
	tokens := chars / 4
	tokens += nonTextItems * tokensPerItem
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}

// EstimateCredits converts a token estimate to credits using the provider's
// per-model price table (credits per 1000 tokens). Models missing from the
// table cost the flat minimum of one credit.
func EstimateCredits(tokens int, model string, costPerKiloTokens map[string]int64) int64 {
	price, ok := costPerKiloTokens[model]
	if !ok || price <= 0 {
		return 1
	}
	credits := int64(tokens) * price / 1000
	if credits < 1 {
		credits = 1
	}
	return credits
}
