// Package agreement picks a trustworthy snapshot source among a fixed,
// chain-configured participant set.
//
// One pass works as follows:
//
//  1. Poll every participant's chain head (eth_blockNumber) and round it
//     down to the snapshot interval. The highest boundary is the target.
//  2. Ask every participant, concurrently and with a per-peer timeout, for
//     its snapshot hash at the target (snapshot_getHash). Failures leave
//     the participant's slot at NoAnswer.
//  3. Accept a hash only if its vote count c satisfies 3*c > 2*(n+2).
//  4. Order the participants that reported the accepted hash and return
//     them as primary and fallback download sources.
//
// The membership is trusted and fixed. There is no message signing and no
// second round.
package agreement
