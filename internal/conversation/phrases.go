package conversation

// DefaultTicks are short scripted replies used instead of a generated one.
var DefaultTicks = []string{
	"L",
	"lol",
	"oh?",
	"im in",
	"bet",
	"fr",
	"bruh",
	"real",
	"ayyyyy",
	"sheeeeesh",
	"no way",
	"say less",
}

// DefaultTrivia fills long quiet periods.
var DefaultTrivia = []string{
	"Did you know octopuses have three hearts?",
	"Why do flamingos stand on one leg?",
	"What's heavier, a ton of bricks or a ton of feathers?",
	"Do fish ever get thirsty?",
	"Why don't spiders stick to their own webs?",
	"How many holes does a straw have?",
	"Is cereal a soup?",
	"Why do we park in driveways and drive on parkways?",
	"If you clean a vacuum cleaner, are you the vacuum cleaner?",
	"Do crabs think fish are flying?",
	"Why do round pizzas come in square boxes?",
	"What color is a mirror?",
	"Can you cry underwater?",
	"Why isn't the number 11 pronounced onety-one?",
	"What happens if Pinocchio says 'my nose will grow now'?",
	"If poison expires, is it more poisonous or less poisonous?",
	"Why do we say 'heads up' when we actually duck?",
	"Do you think Master Chief actually finished the fight?",
	"Could the Arbiter beat Master Chief in a fair 1v1?",
	"Do creepers regret exploding or are they just built different?",
	"Would you rather fight one Ender Dragon or 100 baby zombies?",
}

// DefaultApology is the only failure a listener ever hears.
const DefaultApology = "I'm sorry, I encountered an error processing your message."
