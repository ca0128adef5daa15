package adapter

var (
	BuildContentsForTest          = buildContents
	BuildSystemInstructionForTest = buildSystemInstruction
	ClassifyErrorForTest          = classifyError
)
