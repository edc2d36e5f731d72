package evm

// escrowABI is the external interface of the escrow contract.
const escrowABI = `[
{"type":"function","name":"createProject","stateMutability":"payable","inputs":[{"name":"_freelancer","type":"address"},{"name":"_description","type":"string"}],"outputs":[]},
{"type":"function","name":"markCompleted","stateMutability":"nonpayable","inputs":[{"name":"_projectId","type":"uint256"}],"outputs":[]},
{"type":"function","name":"releaseFunds","stateMutability":"nonpayable","inputs":[{"name":"_projectId","type":"uint256"}],"outputs":[]},
{"type":"function","name":"projectCount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"projects","stateMutability":"view","inputs":[{"name":"","type":"uint256"}],"outputs":[
 {"name":"id","type":"uint256"},
 {"name":"client","type":"address"},
 {"name":"freelancer","type":"address"},
 {"name":"amount","type":"uint256"},
 {"name":"description","type":"string"},
 {"name":"isCompleted","type":"bool"},
 {"name":"isPaid","type":"bool"}]}
]`

const (
	methodCreate   = "createProject"
	methodComplete = "markCompleted"
	methodRelease  = "releaseFunds"
	methodCount    = "projectCount"
	methodRecord   = "projects"
)
